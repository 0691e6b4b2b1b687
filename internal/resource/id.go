package resource

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

const (
	JobKind    Kind = "job"
	RunnerKind Kind = "runner"
)

var (
	// EmptyID for use in comparisons to check whether ID has been
	// uninitialized.
	EmptyID = ID{}

	// ulids generated by the same process are monotonically increasing even
	// within the same millisecond, making IDs sortable in creation order.
	entropy   = ulid.Monotonic(rand.Reader, 0)
	entropyMu sync.Mutex
)

type (
	// Kind is the kind of resource an ID identifies.
	Kind string

	// ID uniquely identifies a jobq resource.
	ID struct {
		Kind Kind
		ID   string
	}
)

// NewID constructs a resource ID. The ID part is a lowercased ULID, which
// sorts lexically in the order in which IDs were generated.
func NewID(kind Kind) ID {
	return ID{Kind: kind, ID: newULID(time.Now())}
}

func newULID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}

// ParseID parses the ID from its string representation, e.g. job-01h...
func ParseID(s string) (ID, error) {
	kind, id, ok := strings.Cut(s, "-")
	if !ok || kind == "" || id == "" {
		return ID{}, fmt.Errorf("malformed ID: %q", s)
	}
	if !ReStringID.MatchString(id) {
		return ID{}, fmt.Errorf("malformed ID: %q", s)
	}
	return ID{Kind: Kind(kind), ID: id}, nil
}

// MustParseID is like ParseID but panics upon error.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err.Error())
	}
	return id
}

func IDPtr(id ID) *ID { return &id }

func (id ID) String() string {
	if id == EmptyID {
		return ""
	}
	return fmt.Sprintf("%s-%s", id.Kind, id.ID)
}

func (id ID) IsZero() bool { return id == EmptyID }

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = EmptyID
		return nil
	}
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseIDs parses a list of string IDs.
func ParseIDs(ss []string) ([]ID, error) {
	ids := make([]ID, len(ss))
	for i, s := range ss {
		id, err := ParseID(s)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// Strings converts IDs into their string representations.
func Strings(ids []ID) []string {
	ss := make([]string, len(ids))
	for i, id := range ids {
		ss[i] = id.String()
	}
	return ss
}
