package types

import (
	"encoding/json"
	"fmt"
)

// Image identifies the guest OS image variant requested for an instance.
type Image string

const (
	ImageCentOS7       Image = "CentOS7"
	ImageCentOS8       Image = "CentOS8"
	ImageCentOS9Stream Image = "CentOS9Stream"
	ImageUbuntu2004    Image = "Ubuntu2004"
	ImageUbuntu2204    Image = "Ubuntu2204"
)

// ParseImage parses the canonical string form of an Image, rejecting
// anything not in the fixed enumeration.
func ParseImage(s string) (Image, error) {
	switch Image(s) {
	case ImageCentOS7, ImageCentOS8, ImageCentOS9Stream, ImageUbuntu2004, ImageUbuntu2204:
		return Image(s), nil
	default:
		return "", fmt.Errorf("unknown image %q", s)
	}
}

// Runtime identifies the execution backend for an instance, which in turn
// determines which reconciler owns it.
type Runtime string

const (
	RuntimeKata Runtime = "kata"
	RuntimeRunc Runtime = "runc"
	RuntimeLXC  Runtime = "lxc"
	RuntimeKVM  Runtime = "kvm"
)

// ParseRuntime parses the canonical string form of a Runtime.
func ParseRuntime(s string) (Runtime, error) {
	switch Runtime(s) {
	case RuntimeKata, RuntimeRunc, RuntimeLXC, RuntimeKVM:
		return Runtime(s), nil
	default:
		return "", fmt.Errorf("unknown runtime %q", s)
	}
}

// IsK8s reports whether the runtime is owned by the K8s reconciler.
func (r Runtime) IsK8s() bool {
	return r == RuntimeKata || r == RuntimeRunc
}

// IsLXD reports whether the runtime is owned by the LXD reconciler.
func (r Runtime) IsLXD() bool {
	return r == RuntimeLXC || r == RuntimeKVM
}

// SupportedImages returns the set of Images valid for this runtime.
// Every runtime currently supports the full image catalog; the method
// exists so admission's compatibility check has one place to extend if a
// runtime ever narrows its supported set.
func (r Runtime) SupportedImages() []Image {
	return []Image{ImageCentOS7, ImageCentOS8, ImageCentOS9Stream, ImageUbuntu2004, ImageUbuntu2204}
}

// SupportsImage reports whether img is in r.SupportedImages().
func (r Runtime) SupportsImage(img Image) bool {
	for _, i := range r.SupportedImages() {
		if i == img {
			return true
		}
	}
	return false
}

// CompatibleWith reports whether an instance currently on r can be moved to
// target by UpdateInstance without a full recreate: same runtime, or the
// kata<->runc pair (both are K8s-backed pod runtimes that share a
// volume/network shape).
func (r Runtime) CompatibleWith(target Runtime) bool {
	if r == target {
		return true
	}
	return (r == RuntimeKata && target == RuntimeRunc) || (r == RuntimeRunc && target == RuntimeKata)
}

// Stage is the desired lifecycle state requested by the user. It is
// mutated only by admission handlers.
type Stage string

const (
	StageStopped Stage = "Stopped"
	StageRunning Stage = "Running"
	StageDeleted Stage = "Deleted"
)

// Status is the observed lifecycle state produced by a reconciler. The
// zero value serializes as the empty string; use NewErrorStatus for the
// Error(msg) variant.
type Status struct {
	Kind statusKind
	Msg  string
}

type statusKind string

const (
	StatusKindCreating statusKind = "Creating"
	StatusKindStarting statusKind = "Starting"
	StatusKindRunning  statusKind = "Running"
	StatusKindStopping statusKind = "Stopping"
	StatusKindStopped  statusKind = "Stopped"
	StatusKindDeleting statusKind = "Deleting"
	StatusKindMissing  statusKind = "Missing"
	StatusKindError    statusKind = "Error"
)

var (
	StatusCreating = Status{Kind: StatusKindCreating}
	StatusStarting = Status{Kind: StatusKindStarting}
	StatusRunning  = Status{Kind: StatusKindRunning}
	StatusStopping = Status{Kind: StatusKindStopping}
	StatusStopped  = Status{Kind: StatusKindStopped}
	StatusDeleting = Status{Kind: StatusKindDeleting}
	StatusMissing  = Status{Kind: StatusKindMissing}
)

// NewErrorStatus builds the Error(msg) status variant.
func NewErrorStatus(format string, args ...any) Status {
	return Status{Kind: StatusKindError, Msg: fmt.Sprintf(format, args...)}
}

// IsError reports whether s is the Error(msg) variant.
func (s Status) IsError() bool { return s.Kind == StatusKindError }

// String renders the canonical display form, matching the persisted-state
// convention "Error: <msg>" for the payload-carrying variant.
func (s Status) String() string {
	if s.Kind == StatusKindError {
		return fmt.Sprintf("Error: %s", s.Msg)
	}
	return string(s.Kind)
}

// ParseStatus parses the canonical display form produced by String.
func ParseStatus(s string) Status {
	const prefix = "Error: "
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return Status{Kind: StatusKindError, Msg: s[len(prefix):]}
	}
	return Status{Kind: statusKind(s)}
}

// MarshalJSON implements json.Marshaler using the canonical display string.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler using the canonical display string.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}
