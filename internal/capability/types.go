package capability

import (
	"encoding/json"
	"fmt"
)

// FilepathRequest addresses a single file by URI.
type FilepathRequest struct {
	Filepath string `json:"filepath"`
}

// PathRequest addresses a single file by URI under the "path" key.
type PathRequest struct {
	Path string `json:"path"`
}

// DirRequest addresses a directory.
type DirRequest struct {
	Dir string `json:"dir"`
}

type WriteFileRequest struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// FileType mirrors the editor's file type flags.
type FileType int

const (
	FileTypeUnknown      FileType = 0
	FileTypeFile         FileType = 1
	FileTypeDirectory    FileType = 2
	FileTypeSymbolicLink FileType = 64
)

// DirEntry is one listDir result. On the wire it is a [name, type] pair.
type DirEntry struct {
	Name string
	Type FileType
}

func (e DirEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Name, e.Type})
}

func (e *DirEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("dir entry: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Name); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &e.Type)
}

type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type ReadRangeRequest struct {
	Filepath string `json:"filepath"`
	Range    Range  `json:"range"`
}

// CurrentFile describes the focused editor. A nil result means no editor.
type CurrentFile struct {
	IsUntitled bool   `json:"isUntitled"`
	Path       string `json:"path"`
	Contents   string `json:"contents"`
}

type DiffRequest struct {
	IncludeUnstaged bool `json:"includeUnstaged"`
}

// ToastType is the severity of a toast.
type ToastType string

const (
	ToastInfo    ToastType = "info"
	ToastWarning ToastType = "warning"
	ToastError   ToastType = "error"
)

// Toast is a notification popup. On the wire it is [type, message, ...items].
type Toast struct {
	Type    ToastType
	Message string
	Items   []string
}

func (t Toast) MarshalJSON() ([]byte, error) {
	parts := make([]any, 0, 2+len(t.Items))
	parts = append(parts, t.Type, t.Message)
	for _, item := range t.Items {
		parts = append(parts, item)
	}
	return json.Marshal(parts)
}

func (t *Toast) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) < 2 {
		return fmt.Errorf("toast: want at least 2 elements, got %d", len(parts))
	}
	t.Type = ToastType(parts[0])
	t.Message = parts[1]
	t.Items = parts[2:]
	return nil
}

type VirtualFileRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type ShowLinesRequest struct {
	Filepath  string `json:"filepath"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

type ReadSecretsRequest struct {
	Keys []string `json:"keys"`
}

type WriteSecretsRequest struct {
	Secrets map[string]string `json:"secrets"`
}

type SubprocessRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

// SubprocessResult is the captured output of a command. On the wire it is a
// [stdout, stderr] pair.
type SubprocessResult struct {
	Stdout string
	Stderr string
}

func (r SubprocessResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{r.Stdout, r.Stderr})
}

func (r *SubprocessResult) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	r.Stdout, r.Stderr = pair[0], pair[1]
	return nil
}

// OutputChunk is one piece of streamed subprocess output.
type OutputChunk struct {
	Stream string `json:"stream"` // stdout or stderr
	Data   string `json:"data"`
}

type TerminalOptions struct {
	ReuseTerminal bool   `json:"reuseTerminal,omitempty"`
	TerminalName  string `json:"terminalName,omitempty"`
}

type RunCommandRequest struct {
	Command string           `json:"command"`
	Options *TerminalOptions `json:"options,omitempty"`
}

type IdeInfo struct {
	IdeType          string `json:"ideType"`
	Name             string `json:"name"`
	Version          string `json:"version"`
	RemoteName       string `json:"remoteName"`
	ExtensionVersion string `json:"extensionVersion"`
}

type SearchRequest struct {
	Query string `json:"query"`
}

type Problem struct {
	Filepath string `json:"filepath"`
	Range    Range  `json:"range"`
	Message  string `json:"message"`
}

// =============================================================================
// CORE OPERATIONS
// =============================================================================

type TrackFeatureRequest struct {
	Feature  string `json:"feature"`
	Username string `json:"username,omitempty"`
}

type TokensGeneratedRequest struct {
	Model           string `json:"model"`
	Provider        string `json:"provider"`
	PromptTokens    int64  `json:"promptTokens"`
	GeneratedTokens int64  `json:"generatedTokens"`
}

// SinkStatus reports one sink's outcome for a recorded event.
type SinkStatus struct {
	Sink    string `json:"sink"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

type TrackResult struct {
	EventID string       `json:"eventId"`
	Sinks   []SinkStatus `json:"sinks"`
}

type DayTokens struct {
	Day             string `json:"day"`
	PromptTokens    int64  `json:"promptTokens"`
	GeneratedTokens int64  `json:"generatedTokens"`
}

type ModelTokens struct {
	Model           string `json:"model"`
	PromptTokens    int64  `json:"promptTokens"`
	GeneratedTokens int64  `json:"generatedTokens"`
}

type FeatureUsage struct {
	Username string `json:"username"`
	Feature  string `json:"feature"`
	Count    int64  `json:"count"`
}

type DevDataRequest struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}
