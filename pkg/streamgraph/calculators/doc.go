// Package calculators provides the built-in calculators: pass-through,
// gating, multiplexing, item loops, timestamp sequencing, packet rate and
// side packet helpers.
//
// Importing the package registers every calculator under the name given by
// its constant, for example:
//
//	import _ "github.com/randalmurphal/streamgraph/pkg/streamgraph/calculators"
package calculators
