// Package field is the typed key/value protocol used to move arrays between
// a caller and a solver capsule.
//
// Every recognized name maps to an [ID] that carries its [Kind] (scalar,
// vector, matrix) and [Direction]. Solvers compute the expected shape of an
// ID from their stored dimensions and use [Conform] before writing, so a
// malformed set never touches solver state.
package field

import (
	"fmt"

	"github.com/san-kum/nmpc/internal/dynamo"
)

type Kind int

const (
	Scalar Kind = iota
	Vector
	Matrix
)

func (k Kind) String() string {
	switch k {
	case Scalar:
		return "scalar"
	case Vector:
		return "vector"
	default:
		return "matrix"
	}
}

type Direction int

const (
	Input Direction = 1 << iota
	Output

	InOut = Input | Output
)

// Access is the operation a caller wants to perform on a field.
type Access int

const (
	Set Access = iota
	Get
)

type ID int

// Integrator capsule fields.
const (
	X ID = iota
	U
	P
	XDot
	Z
	SeedAdj
	T
	T0
	SAdj
	SForw
	Sx
	Su
	SHess
	SAlgebraic
	CPUTime
	TimeTot
	ADTime
	TimeAD
	LATime
	TimeLA

	// stage-indexed OCP fields
	YRef
	LBX
	UBX
	LBU
	UBU
	LG
	UG
	LPhi
	UPhi
	Lam

	numIDs
)

type info struct {
	name string
	kind Kind
	dir  Direction
}

var infos = [numIDs]info{
	X:          {"x", Vector, InOut},
	U:          {"u", Vector, InOut},
	P:          {"p", Vector, Input},
	XDot:       {"xdot", Vector, Input},
	Z:          {"z", Vector, InOut},
	SeedAdj:    {"seed_adj", Vector, Input},
	T:          {"T", Scalar, Input},
	T0:         {"t0", Scalar, Input},
	SAdj:       {"S_adj", Vector, Output},
	SForw:      {"S_forw", Matrix, Output},
	Sx:         {"Sx", Matrix, Output},
	Su:         {"Su", Matrix, Output},
	SHess:      {"S_hess", Matrix, Output},
	SAlgebraic: {"S_algebraic", Matrix, Output},
	CPUTime:    {"CPUtime", Scalar, Output},
	TimeTot:    {"time_tot", Scalar, Output},
	ADTime:     {"ADtime", Scalar, Output},
	TimeAD:     {"time_ad", Scalar, Output},
	LATime:     {"LAtime", Scalar, Output},
	TimeLA:     {"time_la", Scalar, Output},
	YRef:       {"yref", Vector, Input},
	LBX:        {"lbx", Vector, Input},
	UBX:        {"ubx", Vector, Input},
	LBU:        {"lbu", Vector, Input},
	UBU:        {"ubu", Vector, Input},
	LG:         {"lg", Vector, Input},
	UG:         {"ug", Vector, Input},
	LPhi:       {"lphi", Vector, Input},
	UPhi:       {"uphi", Vector, Input},
	Lam:        {"lam", Vector, Output},
}

func (id ID) String() string {
	if id < 0 || id >= numIDs {
		return fmt.Sprintf("field(%d)", int(id))
	}
	return infos[id].name
}

func (id ID) Kind() Kind           { return infos[id].kind }
func (id ID) Direction() Direction { return infos[id].dir }

func (id ID) Allows(a Access) bool {
	if a == Set {
		return infos[id].dir&Input != 0
	}
	return infos[id].dir&Output != 0
}

// Registry is the closed set of field names accepted by one kind of
// capsule. Lookups are case-sensitive.
type Registry struct {
	scope string
	ids   map[string]ID
}

func NewRegistry(scope string, ids ...ID) *Registry {
	r := &Registry{scope: scope, ids: make(map[string]ID, len(ids))}
	for _, id := range ids {
		r.ids[id.String()] = id
	}
	return r
}

// Sim lists the fields of an integrator capsule.
var Sim = NewRegistry("sim",
	X, U, P, XDot, Z, SeedAdj, T, T0,
	SAdj, SForw, Sx, Su, SHess, SAlgebraic,
	CPUTime, TimeTot, ADTime, TimeAD, LATime, TimeLA,
)

// Stage lists the stage-indexed fields of an OCP capsule.
var Stage = NewRegistry("ocp stage",
	X, U, Z, P, YRef, LBX, UBX, LBU, UBU, LG, UG, LPhi, UPhi, Lam,
)

// Lookup resolves name for the requested access. Unknown names, writes of
// output-only fields and reads of input-only fields all yield an
// *dynamo.UnknownFieldError.
func (r *Registry) Lookup(name string, a Access) (ID, error) {
	id, ok := r.ids[name]
	if !ok {
		return 0, &dynamo.UnknownFieldError{Name: name, Scope: r.scope}
	}
	if !id.Allows(a) {
		reason := "is output-only and cannot be set"
		if a == Get {
			reason = "is input-only and cannot be read"
		}
		return 0, &dynamo.UnknownFieldError{Name: name, Scope: r.scope, Reason: reason}
	}
	return id, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ids))
	for id := ID(0); id < numIDs; id++ {
		if _, ok := r.ids[id.String()]; ok {
			names = append(names, id.String())
		}
	}
	return names
}
