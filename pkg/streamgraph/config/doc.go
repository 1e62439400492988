/*
Package config provides type-safe access to calculator options.

# Overview

Every node in a graph carries an options map, usually decoded from the
node's `options:` block in YAML. Calculators read it through Config, which
returns default values instead of failing on missing keys or mismatched
types:

	opts := cc.Options()
	allow := opts.Bool("allow", false)
	offset := opts.Int64("timestamp_offset", 0)

# Type Coercion

Duration accepts a time.ParseDuration string, a number of seconds, or a
time.Duration. Int and Int64 accept any integer type and floats without
a fractional part. Float accepts floats and integers.

# Nested Options

Sub returns a nested map as a Config and List returns a list of maps:

	packets, ok := opts.List("packet")
	for _, p := range packets {
	    v := p.Int("int_value", 0)
	}

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
