// Package dynamo provides the primitives shared by the solver packages.
//
// The package defines vectors, dimensions and the error/status vocabulary
// used at every solver boundary:
//
//   - [State], [Control]: stage vectors
//   - [Dims]: model dimensions fixed at construction
//   - [Shape]: array extents used by the field registry
//   - [Status]: non-fatal numerical outcome of a solve
//   - [ConfigError], [DimensionMismatchError], [UnknownFieldError],
//     [PermissionError]: hard failures returned as errors
//
// Numerical non-convergence is never an error. Solvers return a [Status]
// and keep the last iterate in their output buffers.
//
// # Example
//
//	st, err := solver.Solve()
//	if err != nil {
//		return err // misuse: closed solver, phase order, ...
//	}
//	if !st.OK() {
//		log.Printf("solve: %v", st)
//	}
//
// # Thread Safety
//
// Nothing in this package holds shared state. [ParallelFor] blocks until
// all chunks are done.
package dynamo
