package streamgraph

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// GraphConfig is the declarative topology of a graph.
//
// Streams and side packets are bound to node ports with TAG:index:name,
// TAG:name or plain name entries. A name produced by one port and listed on
// other ports connects them.
type GraphConfig struct {
	// InputStreams are fed by the caller with AddPacketToInputStream.
	InputStreams []string `yaml:"input_stream,omitempty" json:"input_stream,omitempty"`
	// OutputStreams name the streams the caller intends to observe.
	OutputStreams []string `yaml:"output_stream,omitempty" json:"output_stream,omitempty"`
	// InputSidePackets are supplied to StartRun.
	InputSidePackets []string `yaml:"input_side_packet,omitempty" json:"input_side_packet,omitempty"`
	// OutputSidePackets are read back with GetOutputSidePacket.
	OutputSidePackets []string `yaml:"output_side_packet,omitempty" json:"output_side_packet,omitempty"`
	// NumThreads sizes the default executor. Zero means runtime.NumCPU().
	NumThreads int `yaml:"num_threads,omitempty" json:"num_threads,omitempty"`
	// Executors declares additional named executors.
	Executors []ExecutorConfig `yaml:"executor,omitempty" json:"executor,omitempty"`
	// Nodes are the calculator instances.
	Nodes []NodeConfig `yaml:"node" json:"node"`
}

// Executor types.
const (
	ExecutorThreadPool   = "thread_pool"
	ExecutorSingleThread = "single_thread"
)

// ExecutorConfig declares a named executor.
type ExecutorConfig struct {
	Name       string `yaml:"name" json:"name"`
	Type       string `yaml:"type,omitempty" json:"type,omitempty"`
	NumThreads int    `yaml:"num_threads,omitempty" json:"num_threads,omitempty"`
}

// NodeConfig declares one calculator instance.
type NodeConfig struct {
	// Name identifies the node in errors, logs and metrics. Defaults to the
	// calculator name, suffixed when that is not unique.
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	Calculator string `yaml:"calculator" json:"calculator"`

	InputStreams      []string `yaml:"input_stream,omitempty" json:"input_stream,omitempty"`
	OutputStreams     []string `yaml:"output_stream,omitempty" json:"output_stream,omitempty"`
	InputSidePackets  []string `yaml:"input_side_packet,omitempty" json:"input_side_packet,omitempty"`
	OutputSidePackets []string `yaml:"output_side_packet,omitempty" json:"output_side_packet,omitempty"`

	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`

	InputStreamHandler *HandlerConfig `yaml:"input_stream_handler,omitempty" json:"input_stream_handler,omitempty"`
	InputStreamInfo    []StreamInfo   `yaml:"input_stream_info,omitempty" json:"input_stream_info,omitempty"`

	// Executor names the executor the node runs on. Empty is the default pool.
	Executor string `yaml:"executor,omitempty" json:"executor,omitempty"`
}

// HandlerConfig selects an input stream handler for a node.
type HandlerConfig struct {
	Name string `yaml:"name" json:"name"`
	// SyncSets partitions input ports, given as TAG:index, into groups
	// synchronized independently. Used by SyncSetInputStreamHandler;
	// ports not listed form one more set.
	SyncSets [][]string `yaml:"sync_set,omitempty" json:"sync_set,omitempty"`
}

// StreamInfo carries per-input-port settings.
type StreamInfo struct {
	TagIndex string `yaml:"tag_index" json:"tag_index"`
	// BackEdge marks a stream that closes a loop. Back edges are excluded
	// from cycle detection and do not keep the node from closing.
	BackEdge bool `yaml:"back_edge,omitempty" json:"back_edge,omitempty"`
}

// ParseGraphConfig decodes a YAML (or JSON) topology. Unknown keys are
// rejected with ErrGraphValidation.
func ParseGraphConfig(data []byte) (*GraphConfig, error) {
	var cfg GraphConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return nil, validationf("parse graph config: %v", err)
		}
		return nil, fmt.Errorf("%w: parse graph config: %v", ErrConfiguration, err)
	}
	return &cfg, nil
}

// LoadGraphConfig reads and decodes a topology file.
func LoadGraphConfig(path string) (*GraphConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph config: %w", err)
	}
	return ParseGraphConfig(data)
}

// YAML renders the config.
func (c *GraphConfig) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
