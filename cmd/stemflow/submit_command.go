package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"stemflow/internal/api"
	"stemflow/internal/config"
	"stemflow/internal/queue"
)

// batchFile is the YAML layout accepted by `submit --file`.
type batchFile struct {
	Output   string            `yaml:"output"`
	Metadata map[string]string `yaml:"metadata"`
	Jobs     []batchFileJob    `yaml:"jobs"`
}

type batchFileJob struct {
	Source         string            `yaml:"source"`
	Output         string            `yaml:"output"`
	Label          string            `yaml:"label"`
	SkipAcquire    bool              `yaml:"skip_acquire"`
	SkipSeparation bool              `yaml:"skip_separation"`
	Metadata       map[string]string `yaml:"metadata"`
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		batchPath      string
		output         string
		label          string
		metaPairs      []string
		skipAcquire    bool
		skipSeparation bool
		start          bool
	)

	cmd := &cobra.Command{
		Use:   "submit [files...]",
		Short: "Queue audio files for the next batch",
		Long: "Queue one or more audio files. Sources may be local paths or http(s)/s3 URLs.\n" +
			"A YAML batch file (--file) can describe many jobs with per-job options.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && strings.TrimSpace(batchPath) == "" {
				return errors.New("provide at least one file or --file")
			}
			if label != "" && len(args) > 1 {
				return errors.New("--label applies to a single file")
			}

			shared, err := parseMetadata(metaPairs)
			if err != nil {
				return err
			}
			var requests []api.SubmitRequest
			for _, arg := range args {
				meta := mergeMetadata(shared, nil)
				applyFlags(meta, label, skipAcquire, skipSeparation)
				source, err := resolveSource(arg, "")
				if err != nil {
					return err
				}
				requests = append(requests, api.SubmitRequest{
					SourcePath:      source,
					OutputDirectory: outputFor(output, source, len(args) > 1),
					Metadata:        meta,
				})
			}
			if strings.TrimSpace(batchPath) != "" {
				fromFile, err := loadBatchFile(batchPath, shared)
				if err != nil {
					return err
				}
				requests = append(requests, fromFile...)
			}

			return ctx.withClient(func(client *api.Client) error {
				out := cmd.OutOrStdout()
				var failures int
				for _, req := range requests {
					resp, err := client.Submit(cmd.Context(), req)
					if err != nil {
						failures++
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", req.SourcePath, err)
						continue
					}
					fmt.Fprintf(out, "%s %s %s\n", resp.Status, resp.JobID, req.SourcePath)
				}
				if start && failures < len(requests) {
					run, err := client.StartBatch(cmd.Context())
					switch {
					case err == nil:
						fmt.Fprintf(out, "Batch %s started\n", run.BatchID)
					case api.IsStatus(err, http.StatusConflict):
						fmt.Fprintln(out, "A batch is already running; jobs will wait for the next one")
					default:
						return err
					}
				}
				if failures > 0 {
					return fmt.Errorf("%d of %d submissions failed", failures, len(requests))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&batchPath, "file", "f", "", "YAML batch file describing jobs")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory (per-file subdirectories when several files are given)")
	cmd.Flags().StringVar(&label, "label", "", "Display label for a single file")
	cmd.Flags().StringArrayVar(&metaPairs, "meta", nil, "Metadata key=value (repeatable)")
	cmd.Flags().BoolVar(&skipAcquire, "skip-acquire", false, "Use the source file in place")
	cmd.Flags().BoolVar(&skipSeparation, "skip-separation", false, "Analyze the mix without stem separation")
	cmd.Flags().BoolVar(&start, "start", false, "Start a batch after submitting")
	return cmd
}

func parseMetadata(pairs []string) (map[string]string, error) {
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q (expected key=value)", pair)
		}
		meta[key] = strings.TrimSpace(value)
	}
	return meta, nil
}

func mergeMetadata(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func applyFlags(meta map[string]string, label string, skipAcquire, skipSeparation bool) {
	if strings.TrimSpace(label) != "" {
		meta[queue.MetaLabel] = strings.TrimSpace(label)
	}
	if skipAcquire {
		meta[queue.MetaSkipAcquire] = "true"
	}
	if skipSeparation {
		meta[queue.MetaSkipSeparation] = "true"
	}
}

// resolveSource makes local paths absolute, relative to baseDir when given.
// Remote URLs pass through untouched.
func resolveSource(raw, baseDir string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty source path")
	}
	if queue.IsRemoteSource(raw) {
		return raw, nil
	}
	if baseDir != "" && !filepath.IsAbs(raw) && !strings.HasPrefix(raw, "~") {
		raw = filepath.Join(baseDir, raw)
	}
	resolved, err := config.ExpandPath(raw)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", raw, err)
	}
	return resolved, nil
}

// outputFor returns "" to let the daemon pick its default output directory.
func outputFor(base, source string, perSource bool) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	if expanded, err := config.ExpandPath(base); err == nil {
		base = expanded
	}
	if !perSource {
		return base
	}
	name := filepath.Base(source)
	return filepath.Join(base, strings.TrimSuffix(name, filepath.Ext(name)))
}

func loadBatchFile(path string, shared map[string]string) ([]api.SubmitRequest, error) {
	resolved, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var doc batchFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse batch file %s: %w", resolved, err)
	}
	if len(doc.Jobs) == 0 {
		return nil, fmt.Errorf("batch file %s lists no jobs", resolved)
	}

	baseDir := filepath.Dir(resolved)
	outputBase := strings.TrimSpace(doc.Output)
	if outputBase != "" {
		if outputBase, err = resolveSource(outputBase, baseDir); err != nil {
			return nil, fmt.Errorf("batch file output: %w", err)
		}
	}
	requests := make([]api.SubmitRequest, 0, len(doc.Jobs))
	for i, entry := range doc.Jobs {
		source, err := resolveSource(entry.Source, baseDir)
		if err != nil {
			return nil, fmt.Errorf("batch file job %d: %w", i+1, err)
		}
		meta := mergeMetadata(mergeMetadata(shared, doc.Metadata), entry.Metadata)
		applyFlags(meta, entry.Label, entry.SkipAcquire, entry.SkipSeparation)
		output := strings.TrimSpace(entry.Output)
		if output != "" {
			if output, err = resolveSource(output, baseDir); err != nil {
				return nil, fmt.Errorf("batch file job %d output: %w", i+1, err)
			}
		} else {
			output = outputFor(outputBase, source, true)
		}
		requests = append(requests, api.SubmitRequest{SourcePath: source, OutputDirectory: output, Metadata: meta})
	}
	return requests, nil
}
