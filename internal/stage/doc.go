// Package stage defines the phase vocabulary and the collaborator contracts
// the pipeline drives: one interface per phase, the typed payload each phase
// produces, and small helpers collaborators share for writing artifacts under
// a job's output directory.
package stage
