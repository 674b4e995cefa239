package task

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Reserved trigger parameter keys.
const (
	ParamTaskID    = "task_id"
	ParamTaskType  = "task_type"
	ParamTimeout   = "timeout"
	EnvParamPrefix = "env."
)

// Descriptor identifies one task instance and carries what its body needs.
type Descriptor struct {
	ID          string
	TypeName    string
	Environment map[string]string
	Parameters  map[string]string
	// Timeout bounds the body's execution; zero means no limit.
	Timeout time.Duration

	raw map[string]string
}

// DescriptorFromParameters builds a Descriptor from a trigger parameter bag.
// task_id and task_type are required; env.-prefixed keys become environment
// variables; timeout is a Go duration string.
func DescriptorFromParameters(params map[string]string) (*Descriptor, error) {
	d := &Descriptor{
		ID:          strings.TrimSpace(params[ParamTaskID]),
		TypeName:    strings.TrimSpace(params[ParamTaskType]),
		Environment: make(map[string]string),
		Parameters:  make(map[string]string),
		raw:         maps.Clone(params),
	}

	if d.ID == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidDescriptor, ParamTaskID)
	}
	if d.TypeName == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidDescriptor, ParamTaskType)
	}

	for key, value := range params {
		switch {
		case key == ParamTaskID, key == ParamTaskType:
		case key == ParamTimeout:
			timeout, err := time.ParseDuration(value)
			if err != nil || timeout < 0 {
				return nil, fmt.Errorf("%w: timeout %q is not a valid duration", ErrInvalidDescriptor, value)
			}
			d.Timeout = timeout
		case strings.HasPrefix(key, EnvParamPrefix):
			if name := strings.TrimPrefix(key, EnvParamPrefix); name != "" {
				d.Environment[name] = value
			}
		default:
			d.Parameters[key] = value
		}
	}

	return d, nil
}

// RawParameters returns a copy of the parameter bag the descriptor was built from.
func (d *Descriptor) RawParameters() map[string]string {
	return maps.Clone(d.raw)
}

// Param returns a task-specific parameter or def when it is absent.
func (d *Descriptor) Param(key, def string) string {
	if v, ok := d.Parameters[key]; ok {
		return v
	}
	return def
}
