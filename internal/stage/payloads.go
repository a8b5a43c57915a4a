package stage

// AcquireResult locates the audio the remaining phases read.
type AcquireResult struct {
	LocalPath string `json:"localPath"`
	Source    string `json:"source"`
	Bytes     int64  `json:"bytes,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// Section is one structural segment of an arrangement.
type Section struct {
	Label string  `json:"label"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Arrangement is the tempo, key and structure of the full mix.
type Arrangement struct {
	Tempo         float64   `json:"tempo"`
	Key           string    `json:"key"`
	TimeSignature string    `json:"timeSignature"`
	Sections      []Section `json:"sections,omitempty"`
}

// Stems maps stem names to file paths. When separation is skipped the map
// holds a single "mix" entry pointing at the original audio.
type Stems struct {
	Files   map[string]string `json:"files"`
	Skipped bool              `json:"skipped,omitempty"`
}

// MixStem is the stem name used when separation is skipped.
const MixStem = "mix"

// Performance carries per-stem or global metrics from the analyzer.
type Performance struct {
	Metrics map[string]float64 `json:"metrics"`
}

// Summary is the combined view built by the postprocessor.
type Summary struct {
	Title           string   `json:"title"`
	DurationSeconds float64  `json:"durationSeconds,omitempty"`
	Tempo           float64  `json:"tempo,omitempty"`
	Key             string   `json:"key,omitempty"`
	StemCount       int      `json:"stemCount"`
	Highlights      []string `json:"highlights,omitempty"`
}

// ExportResult points at the written manifest and, when uploaded, its
// remote location.
type ExportResult struct {
	ManifestPath string `json:"manifestPath"`
	RemoteURL    string `json:"remoteUrl,omitempty"`
}

// Results is the typed view of everything recorded so far for a job. Fields
// stay nil until their phase succeeds.
type Results struct {
	Acquire     *AcquireResult `json:"acquire,omitempty"`
	Arrangement *Arrangement   `json:"arrangement,omitempty"`
	Stems       *Stems         `json:"stems,omitempty"`
	Performance *Performance   `json:"performance,omitempty"`
	Summary     *Summary       `json:"summary,omitempty"`
}

// AudioPath returns the acquired local audio path.
func (r Results) AudioPath() string {
	if r.Acquire == nil {
		return ""
	}
	return r.Acquire.LocalPath
}
