// Package control provides the feedback laws used in closed-loop runs.
//
// Controllers implement [dynamo.Controller]:
//
//   - [MPC]: one real-time iteration of an [ocp.Solver] per sample
//   - [LQR]: linear state feedback, designed from integrator sensitivities
//   - [PID]: single-channel PID on the first state
//   - [None]: zero control
//
// # Usage
//
//	solver, _ := ocp.New(desc)
//	mpc := control.NewMPC(solver, logger)
//	u, err := mpc.Compute(x, t) // preparation, then feedback at x
//
// [MPC] also implements [dynamo.Reporter] so the runner can record the
// solver status and the split preparation/feedback timing of every sample.
package control
