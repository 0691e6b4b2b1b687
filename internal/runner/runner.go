// Package runner tracks the runners that carry out jobs: their identity,
// labels, adoption and liveness.
package runner

import (
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/resource"
)

const (
	LocalKind    Kind = "local"
	RemoteKind   Kind = "remote"
	OnDemandKind Kind = "on-demand"

	Pending    Adoption = "PENDING"
	Preadopted Adoption = "PREADOPTED"
	Adopted    Adoption = "ADOPTED"
	Rejected   Adoption = "REJECTED"
)

type (
	// Kind is the kind of runner.
	Kind string

	// Adoption is the trust an operator has placed in a runner. Only adopted
	// or pre-adopted runners are assigned jobs.
	Adoption string

	// Runner is an agent process that carries out jobs.
	Runner struct {
		ID   resource.ID `json:"id"`
		Name string      `json:"name"`
		Kind Kind        `json:"kind"`
		// Profile is the on-demand profile from which the runner was
		// provisioned. Only set for on-demand runners.
		Profile  string            `json:"profile,omitempty"`
		Labels   map[string]string `json:"labels,omitempty"`
		Adoption Adoption          `json:"adoption"`
		// Online is true while the runner has a connected session.
		Online    bool      `json:"online"`
		FirstSeen time.Time `json:"first_seen"`
		LastSeen  time.Time `json:"last_seen"`
	}

	RegisterOptions struct {
		// ID of a previously registered runner. If nil a new ID is
		// generated.
		ID      *resource.ID
		Name    string
		Kind    Kind
		Profile string
		Labels  map[string]string
	}
)

func (k Kind) Valid() bool {
	switch k {
	case LocalKind, RemoteKind, OnDemandKind:
		return true
	default:
		return false
	}
}

func (a Adoption) Valid() bool {
	switch a {
	case Pending, Preadopted, Adopted, Rejected:
		return true
	default:
		return false
	}
}

// newRunner constructs a newly registered runner. Local runners are trusted
// on first use; remote runners await adoption unless autoAdopt is true.
func newRunner(opts RegisterOptions, autoAdopt bool) (*Runner, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	now := internal.CurrentTimestamp()
	r := &Runner{
		ID:        resource.NewID(resource.RunnerKind),
		Name:      opts.Name,
		Kind:      opts.Kind,
		Profile:   opts.Profile,
		Labels:    opts.Labels,
		Adoption:  Pending,
		FirstSeen: now,
		LastSeen:  now,
	}
	if opts.ID != nil {
		r.ID = *opts.ID
	}
	switch opts.Kind {
	case LocalKind:
		r.Adoption = Preadopted
	case OnDemandKind:
		// on-demand runners are spawned by jobq itself.
		r.Adoption = Adopted
	case RemoteKind:
		if autoAdopt {
			r.Adoption = Adopted
		}
	}
	return r, nil
}

func (opts RegisterOptions) validate() error {
	if err := resource.ValidateName(&opts.Name); err != nil {
		return fmt.Errorf("%w: %w", internal.ErrInvalidArgument, err)
	}
	if !opts.Kind.Valid() {
		return internal.InvalidParameterError(fmt.Sprintf("invalid runner kind: %q", opts.Kind))
	}
	if opts.Kind == OnDemandKind && opts.Profile == "" {
		return &internal.MissingParameterError{Parameter: "profile"}
	}
	if opts.ID != nil && opts.ID.Kind != resource.RunnerKind {
		return internal.InvalidParameterError(fmt.Sprintf("invalid runner ID: %s", opts.ID))
	}
	return nil
}

// reregister updates a runner that has registered again, e.g. after a
// restart. Its adoption is retained.
func (r *Runner) reregister(opts RegisterOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	r.Name = opts.Name
	r.Labels = opts.Labels
	r.LastSeen = internal.CurrentTimestamp()
	return nil
}

// Assignable reports whether jobs may be assigned to the runner.
func (r *Runner) Assignable() bool {
	switch r.Adoption {
	case Adopted, Preadopted:
		return true
	default:
		return false
	}
}

func (r *Runner) setAdoption(to Adoption) error {
	switch to {
	case Adopted, Rejected:
	default:
		return internal.InvalidParameterError(fmt.Sprintf("runner cannot be set to %s", to))
	}
	r.Adoption = to
	return nil
}

func (r *Runner) seen(at time.Time) {
	if at.After(r.LastSeen) {
		r.LastSeen = at
	}
}

func (r *Runner) Clone() *Runner {
	clone := *r
	clone.Labels = maps.Clone(r.Labels)
	return &clone
}

func (r *Runner) String() string { return r.ID.String() }

func (r *Runner) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", r.ID.String()),
		slog.String("name", r.Name),
		slog.String("kind", string(r.Kind)),
		slog.String("adoption", string(r.Adoption)),
		slog.Bool("online", r.Online),
	}
	if r.Profile != "" {
		attrs = append(attrs, slog.String("profile", r.Profile))
	}
	return slog.GroupValue(attrs...)
}
