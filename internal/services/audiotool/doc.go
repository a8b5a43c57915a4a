// Package audiotool runs the external analysis commands behind the Arrange,
// Separate and Analyze phases.
//
// Each command is configured as an argv template. Placeholders {input},
// {output}, {stems} and {arrangement} are substituted per job; the command
// must print a single JSON document to stdout, which is decoded into the
// phase payload and written under outputDirectory/<phase>/. Lines on stderr
// of the form "PROGRESS <percent> <step>" are logged through a sampler;
// other stderr lines are kept for error messages.
package audiotool
