package env

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/benoitc/gunicorn-sub001/internal/config"
)

// BootVar carries the JSON-encoded Boot of a child.
const BootVar = "GUNICORN_BOOT"

// Roles are the hidden subcommands children are started with.
const (
	RoleWorker       = "worker"
	RoleDirtyArbiter = "dirty-arbiter"
	RoleDirtyWorker  = "dirty-worker"
)

// FirstListenerFD is the descriptor of the first inherited listener; the
// heartbeat file sits just before it.
const FirstListenerFD = 4

// Boot is everything a child needs besides its inherited descriptors.
type Boot struct {
	Role       string        `json:"role"`
	Age        uint64        `json:"age"`
	Generation int           `json:"generation"`
	MasterPID  int           `json:"master_pid"`
	ParentPID  int           `json:"parent_pid"`
	Listeners  []string      `json:"listeners,omitempty"` // addresses, in descriptor order
	Apps       []string      `json:"apps,omitempty"`      // dirty worker only
	Socket     string        `json:"socket,omitempty"`    // dirty worker only
	Config     config.Config `json:"config"`
}

// Encode returns the BootVar assignment for b.
func (b Boot) Encode() (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode boot parameters: %w", err)
	}
	return BootVar + "=" + string(raw), nil
}

// Decode parses a BootVar value.
func Decode(s string) (Boot, error) {
	var b Boot
	if s == "" {
		return b, errors.New(BootVar + " is not set; this command is started by the arbiter")
	}
	if err := json.Unmarshal([]byte(s), &b); err != nil {
		return b, fmt.Errorf("decode %s: %w", BootVar, err)
	}
	return b, nil
}

// FromEnviron reads the Boot of the current process and checks its role.
func FromEnviron(role string) (Boot, error) {
	b, err := Decode(os.Getenv(BootVar))
	if err != nil {
		return b, err
	}
	if b.Role != role {
		return b, fmt.Errorf("boot parameters are for role %q, not %q", b.Role, role)
	}
	return b, nil
}
