package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"regkit/internal/model"
)

const (
	runIndexFile = "run_index.json"
	configFile   = "config.yaml"
	levelsFile   = "levels.json"
	historyFile  = "energy_history.csv"
	paramsFile   = "params.json"
	summaryFile  = "summary.json"
	warpedFile   = "warped.nrrd"
	segFile      = "warped_seg.nrrd"
	flowFile     = "displacement.nrrd"
)

type RunArtifacts struct {
	RunID      string
	ConfigYAML []byte
	Result     model.RunResult
}

// FinalParams is the converged parameter vector of a run.
type FinalParams struct {
	RunID     string    `json:"run_id"`
	Transform string    `json:"transform"`
	Level     int       `json:"level"`
	Params    []float64 `json:"params"`
}

// HistoryRow is one line of energy_history.csv.
type HistoryRow struct {
	Level  int
	Step   int
	Energy float64
	Delta  float64
	LR     float64
}

type RunIndexEntry struct {
	RunID        string        `json:"run_id"`
	Transform    string        `json:"transform"`
	Outcome      model.Outcome `json:"outcome"`
	Levels       int           `json:"levels"`
	FinalEnergy  float64       `json:"final_energy"`
	CreatedAtUTC string        `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := os.WriteFile(filepath.Join(runDir, configFile), artifacts.ConfigYAML, 0o644); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, levelsFile), artifacts.Result.Levels); err != nil {
		return "", err
	}
	if err := writeHistory(filepath.Join(runDir, historyFile), artifacts.Result.Levels); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), Summarize(artifacts.Result)); err != nil {
		return "", err
	}
	if last, ok := artifacts.Result.LastConverged(); ok {
		final := FinalParams{
			RunID:     artifacts.RunID,
			Transform: artifacts.Result.Transform,
			Level:     last.Level,
			Params:    artifacts.Result.Params,
		}
		if err := writeJSON(filepath.Join(runDir, paramsFile), final); err != nil {
			return "", err
		}
	}

	return runDir, nil
}

// WarpedPath is where a run's warped source image is written.
func WarpedPath(baseDir, runID string) string {
	return filepath.Join(baseDir, runID, warpedFile)
}

// WarpedSegPath is where a run's warped source segmentation is written.
func WarpedSegPath(baseDir, runID string) string {
	return filepath.Join(baseDir, runID, segFile)
}

// DisplacementPath is where a run's full-resolution displacement is written.
func DisplacementPath(baseDir, runID string) string {
	return filepath.Join(baseDir, runID, flowFile)
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, levelsFile, historyFile, summaryFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	// Failed runs have no params.json and the image outputs are optional.
	for _, file := range []string{paramsFile, warpedFile, segFile, flowFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func ReadLevels(baseDir, runID string) ([]model.LevelResult, bool, error) {
	var levels []model.LevelResult
	ok, err := readJSON(filepath.Join(baseDir, runID, levelsFile), &levels)
	return levels, ok, err
}

func ReadFinalParams(baseDir, runID string) (FinalParams, bool, error) {
	var final FinalParams
	ok, err := readJSON(filepath.Join(baseDir, runID, paramsFile), &final)
	return final, ok, err
}

func ReadSummary(baseDir, runID string) (RunSummary, bool, error) {
	var summary RunSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	return summary, ok, err
}

func writeHistory(path string, levels []model.LevelResult) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"level", "step", "energy", "delta", "lr"}); err != nil {
		return err
	}
	for _, level := range levels {
		for _, rec := range level.Records {
			if err := writer.Write([]string{
				strconv.Itoa(level.Level),
				strconv.Itoa(rec.Step),
				strconv.FormatFloat(rec.Energy, 'g', -1, 64),
				strconv.FormatFloat(rec.Delta, 'g', -1, 64),
				strconv.FormatFloat(rec.LR, 'g', -1, 64),
			}); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadEnergyHistory(baseDir, runID string) ([]HistoryRow, bool, error) {
	path := filepath.Join(baseDir, runID, historyFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []HistoryRow{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 5 {
		return nil, false, fmt.Errorf("energy history header must have 5 columns")
	}

	rows := make([]HistoryRow, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		row, err := parseHistoryRow(record)
		if err != nil {
			return nil, false, fmt.Errorf("energy history line %d: %w", len(rows)+2, err)
		}
		rows = append(rows, row)
	}
	return rows, true, nil
}

func parseHistoryRow(record []string) (HistoryRow, error) {
	if len(record) < 5 {
		return HistoryRow{}, fmt.Errorf("expected 5 columns, got %d", len(record))
	}
	var row HistoryRow
	var err error
	if row.Level, err = strconv.Atoi(record[0]); err != nil {
		return HistoryRow{}, err
	}
	if row.Step, err = strconv.Atoi(record[1]); err != nil {
		return HistoryRow{}, err
	}
	values := []*float64{&row.Energy, &row.Delta, &row.LR}
	for i, dst := range values {
		if *dst, err = strconv.ParseFloat(record[2+i], 64); err != nil {
			return HistoryRow{}, err
		}
	}
	return row, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, dst any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
