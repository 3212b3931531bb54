package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	wazeroapi "github.com/tetratelabs/wazero/api"

	"github.com/certainly-param/vac/pkg/api"
)

// Arg is one argument of an extracted fact. Numeric arguments become
// integer terms in the policy world; everything else stays a string.
type Arg struct {
	String  string
	Int     int64
	Numeric bool
}

// Fact is one policy fact extracted by an adapter.
type Fact struct {
	Name string
	Args []Arg
}

// factsSchema is the contract for extract_facts output. Anything outside
// it is treated the same as a trap.
var factsSchema = jsonschema.MustCompileString("adapter_facts.json", `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["fact", "args"],
		"additionalProperties": false,
		"properties": {
			"fact": {"type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[a-z][a-z0-9_]*$"},
			"args": {
				"type": "array",
				"maxItems": 16,
				"items": {"type": ["string", "integer"]}
			}
		}
	},
	"maxItems": 64
}`)

// failed wraps any adapter malfunction into the single client-visible
// policy error. The cause stays in the logs; a broken adapter must not
// widen or narrow policy beyond "adapter failed".
func failed(cause error) error {
	return api.Wrap(api.KindPolicyViolation, "adapter failed", cause)
}

// Extract runs the pinned module's extract_facts export over the request
// body and returns the facts it derived.
func (r *Registry) Extract(ctx context.Context, hash string, body []byte) ([]Fact, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ExecTimeout)
	defer cancel()

	mod, err := r.instantiate(ctx, hash)
	if err != nil {
		return nil, failed(err)
	}
	defer func() { _ = mod.Close(ctx) }()

	mem := mod.Memory()
	if mem == nil {
		return nil, failed(fmt.Errorf("adapter %s exports no memory", hash))
	}

	ptr, err := writeBody(ctx, mod, mem, body)
	if err != nil {
		return nil, failed(err)
	}

	extract := mod.ExportedFunction("extract_facts")
	if extract == nil {
		return nil, failed(fmt.Errorf("adapter %s exports no extract_facts", hash))
	}
	results, err := extract.Call(ctx, uint64(ptr), uint64(len(body)))
	if err != nil {
		// Traps, deadline teardown and memory faults all land here.
		return nil, failed(err)
	}
	if len(results) != 1 {
		return nil, failed(fmt.Errorf("extract_facts returned %d values", len(results)))
	}

	raw, err := readCString(mem, uint32(results[0]), r.cfg.MaxOutputBytes)
	if err != nil {
		return nil, failed(err)
	}
	return parseFacts(raw)
}

// writeBody places the request body into the module's linear memory, using
// its alloc export when present and a freshly grown page otherwise.
func writeBody(ctx context.Context, mod wazeroapi.Module, mem wazeroapi.Memory, body []byte) (uint32, error) {
	var ptr uint32
	if alloc := mod.ExportedFunction("alloc"); alloc != nil {
		results, err := alloc.Call(ctx, uint64(len(body)))
		if err != nil {
			return 0, fmt.Errorf("alloc failed: %w", err)
		}
		if len(results) != 1 {
			return 0, fmt.Errorf("alloc returned %d values", len(results))
		}
		ptr = uint32(results[0])
	} else {
		pages := uint32(len(body)/65536) + 1
		prev, ok := mem.Grow(pages)
		if !ok {
			return 0, fmt.Errorf("memory grow by %d pages refused", pages)
		}
		ptr = prev * 65536
	}
	if len(body) > 0 && !mem.Write(ptr, body) {
		return 0, fmt.Errorf("body write at %d out of bounds", ptr)
	}
	return ptr, nil
}

// readCString reads a NUL-terminated UTF-8 string out of linear memory.
func readCString(mem wazeroapi.Memory, ptr, max uint32) ([]byte, error) {
	for n := uint32(0); n < max; n++ {
		b, ok := mem.ReadByte(ptr + n)
		if !ok {
			return nil, fmt.Errorf("result pointer %d runs out of memory", ptr)
		}
		if b == 0 {
			out, ok := mem.Read(ptr, n)
			if !ok {
				return nil, fmt.Errorf("result read at %d out of bounds", ptr)
			}
			// Copy out: the slice aliases module memory.
			return append([]byte(nil), out...), nil
		}
	}
	return nil, fmt.Errorf("result exceeds %d bytes without terminator", max)
}

// parseFacts validates the JSON contract and converts it to policy facts.
func parseFacts(raw []byte) ([]Fact, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, failed(fmt.Errorf("output is not JSON: %w", err))
	}
	if err := factsSchema.Validate(generic); err != nil {
		return nil, failed(fmt.Errorf("output violates fact schema: %w", err))
	}

	var entries []struct {
		Fact string            `json:"fact"`
		Args []json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, failed(err)
	}

	facts := make([]Fact, 0, len(entries))
	for _, entry := range entries {
		fact := Fact{Name: entry.Fact, Args: make([]Arg, 0, len(entry.Args))}
		for _, rawArg := range entry.Args {
			var n int64
			if err := json.Unmarshal(rawArg, &n); err == nil {
				fact.Args = append(fact.Args, Arg{Int: n, Numeric: true})
				continue
			}
			var s string
			if err := json.Unmarshal(rawArg, &s); err != nil {
				return nil, failed(fmt.Errorf("argument %s is neither string nor integer", rawArg))
			}
			fact.Args = append(fact.Args, Arg{String: s})
		}
		facts = append(facts, fact)
	}
	return facts, nil
}
