// Package export implements the two in-process phases that close out a job:
// the Postprocessor folds earlier results into a Summary and the Exporter
// writes the manifest consumers read, optionally mirroring it and the stems
// to object storage.
package export
