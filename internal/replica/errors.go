package replica

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("replica: item not found")
	ErrInsufficientSpace = errors.New("replica: insufficient free space")
)

// ConstraintType is the structural reason an operation cannot proceed.
type ConstraintType int

const (
	NoParent ConstraintType = iota + 1
	NotEmpty
	TargetExists
	ZeroSize
	// Excluded marks a target path the replica does not synchronize.
	Excluded
)

func (t ConstraintType) String() string {
	switch t {
	case NoParent:
		return "no-parent"
	case NotEmpty:
		return "not-empty"
	case TargetExists:
		return "target-exists"
	case ZeroSize:
		return "zero-size"
	case Excluded:
		return "excluded"
	default:
		return fmt.Sprintf("constraint(%d)", int(t))
	}
}

// ConstraintError reports a structural conflict. Existing is set for
// TargetExists and describes the item that already occupies the path.
type ConstraintError struct {
	Type     ConstraintType
	Path     string
	Existing *Item
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint %s: %s", e.Type, e.Path)
}

// ConcurrencyError reports that the node found at a path is not the one the
// caller expected.
type ConcurrencyError struct {
	Path       string
	ExpectedID string
	Actual     *Item
}

func (e *ConcurrencyError) Error() string {
	actual := ""
	if e.Actual != nil {
		actual = e.Actual.NodeID
	}
	return fmt.Sprintf("concurrency: %s: expected node %q, found %q", e.Path, e.ExpectedID, actual)
}

// TransportError wraps a failed call to the storage backing a replica.
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsConstraint reports whether err is a constraint error of the given type.
func IsConstraint(err error, t ConstraintType) bool {
	var ce *ConstraintError
	return errors.As(err, &ce) && ce.Type == t
}

func newConstraint(t ConstraintType, path string, existing *Item) error {
	return &ConstraintError{Type: t, Path: path, Existing: existing}
}

// Constraint builds a *ConstraintError.
func Constraint(t ConstraintType, path string) error {
	return newConstraint(t, path, nil)
}

// Exists builds a TargetExists constraint carrying the colliding item.
func Exists(path string, existing Item) error {
	return newConstraint(TargetExists, path, &existing)
}

// Mismatch builds a *ConcurrencyError.
func Mismatch(path, expectedID string, actual Item) error {
	return &ConcurrencyError{Path: path, ExpectedID: expectedID, Actual: &actual}
}
