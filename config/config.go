// Package config implements the CONFIG_PARSE runlevel's input: a JSON
// file enumerating, per Policy Domain, its workers, allocators, comm
// APIs, neighbor list, and scheduler object/heuristic choice. Parsing
// uses json-iterator for drop-in speed with the same struct-tag surface
// as encoding/json.
package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/ModeladoFoundation/ocr-sub001/internal/ocrerr"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// SchedulerObjectKind is a recognized scheduler-object factory name:
// DEQUE, WST, or NULL.
type SchedulerObjectKind string

const (
	SchedObjDeque SchedulerObjectKind = "DEQUE"
	SchedObjWST   SchedulerObjectKind = "WST"
	SchedObjNull  SchedulerObjectKind = "NULL"
)

// HeuristicKind is a recognized scheduler-heuristic factory name: HC
// (shared-memory work-stealing), CE (distributed), NULL (no-op).
type HeuristicKind string

const (
	HeuristicHC   HeuristicKind = "HC"
	HeuristicCE   HeuristicKind = "CE"
	HeuristicNull HeuristicKind = "NULL"
)

// WorkerConfig describes one worker slot: how many of this kind, and
// whether it is the comm worker or a computation worker.
type WorkerConfig struct {
	Kind  string `json:"kind"` // "comp" | "comm"
	Count int    `json:"count"`
}

// AllocatorConfig names one configured allocator, matched against
// DB_CREATE's allocator-kind hint by prescription index.
type AllocatorConfig struct {
	Name string `json:"name"`
}

// CommAPIConfig selects the transport carrier for this PD's comm API:
// "memory" (in-process) or "network" (fasthttp-backed).
type CommAPIConfig struct {
	Kind    string `json:"kind"`
	Address string `json:"address,omitempty"`
}

// PolicyDomainConfig is one [PD] block of the configuration file.
type PolicyDomainConfig struct {
	Location       int32             `json:"location"`
	PDMaster       bool              `json:"pdMaster"`
	Workers        []WorkerConfig    `json:"workers"`
	Allocators     []AllocatorConfig `json:"allocators"`
	CommAPI        CommAPIConfig     `json:"commApi"`
	Neighbors      []int32           `json:"neighbors"`
	SchedulerObject SchedulerObjectKind `json:"schedulerObject"`
	Heuristic      HeuristicKind     `json:"heuristic"`
	NumComputeWorkers int            `json:"numComputeWorkers"`
}

// Config is the top-level parsed configuration file.
type Config struct {
	PolicyDomains []PolicyDomainConfig `json:"policyDomains"`
}

// Parse decodes raw JSON bytes into a Config and validates it.
func Parse(raw []byte) (*Config, error) {
	var c Config
	if err := jsonAPI.Unmarshal(raw, &c); err != nil {
		return nil, ocrerr.New(ocrerr.InvalidArg, "CONFIG_PARSE", fmt.Sprintf("invalid config json: %v", err))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ocrerr.New(ocrerr.InvalidArg, "CONFIG_PARSE", fmt.Sprintf("reading config: %v", err))
	}
	return Parse(raw)
}

// Validate checks the structural invariants CONFIG_PARSE must enforce
// before bring-up proceeds: at least one PD, exactly one PD_MASTER,
// recognized scheduler-object/heuristic kinds, and neighbor references
// that resolve to other configured PDs.
func (c *Config) Validate() error {
	if len(c.PolicyDomains) == 0 {
		return ocrerr.New(ocrerr.InvalidArg, "CONFIG_PARSE", "no policy domains configured")
	}
	locations := make(map[int32]bool, len(c.PolicyDomains))
	masters := 0
	for _, pd := range c.PolicyDomains {
		locations[pd.Location] = true
		if pd.PDMaster {
			masters++
		}
		switch pd.SchedulerObject {
		case SchedObjDeque, SchedObjWST, SchedObjNull, "":
		default:
			return ocrerr.New(ocrerr.InvalidArg, "CONFIG_PARSE", fmt.Sprintf("unrecognized scheduler object kind %q", pd.SchedulerObject))
		}
		switch pd.Heuristic {
		case HeuristicHC, HeuristicCE, HeuristicNull, "":
		default:
			return ocrerr.New(ocrerr.InvalidArg, "CONFIG_PARSE", fmt.Sprintf("unrecognized heuristic kind %q", pd.Heuristic))
		}
	}
	if masters != 1 {
		return ocrerr.New(ocrerr.InvalidArg, "CONFIG_PARSE", fmt.Sprintf("expected exactly one pdMaster, found %d", masters))
	}
	for _, pd := range c.PolicyDomains {
		for _, n := range pd.Neighbors {
			if !locations[n] {
				return ocrerr.New(ocrerr.InvalidArg, "CONFIG_PARSE", fmt.Sprintf("pd %d references unknown neighbor %d", pd.Location, n))
			}
		}
	}
	return nil
}
