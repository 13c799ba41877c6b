package capability

import (
	"context"
	"errors"

	"codebridge/internal/protocol"
)

// IDE host operations.
var (
	OpReadFile            = newOp[FilepathRequest, string](KindReadFile)
	OpWriteFile           = newOp[WriteFileRequest, None](KindWriteFile)
	OpFileExists          = newOp[FilepathRequest, bool](KindFileExists)
	OpListDir             = newOp[DirRequest, []DirEntry](KindListDir)
	OpReadRangeInFile     = newOp[ReadRangeRequest, string](KindReadRangeInFile)
	OpSaveFile            = newOp[FilepathRequest, None](KindSaveFile)
	OpOpenFile            = newOp[PathRequest, None](KindOpenFile)
	OpGetOpenFiles        = newOp[None, []string](KindGetOpenFiles)
	OpGetCurrentFile      = newOp[None, *CurrentFile](KindGetCurrentFile)
	OpGetPinnedFiles      = newOp[None, []string](KindGetPinnedFiles)
	OpGetBranch           = newOp[DirRequest, string](KindGetBranch)
	OpGetDiff             = newOp[DiffRequest, []string](KindGetDiff)
	OpGetGitRootPath      = newOp[DirRequest, string](KindGetGitRootPath)
	OpGetRepoName         = newOp[DirRequest, string](KindGetRepoName)
	OpShowToast           = newOp[Toast, string](KindShowToast)
	OpShowVirtualFile     = newOp[VirtualFileRequest, None](KindShowVirtualFile)
	OpShowLines           = newOp[ShowLinesRequest, None](KindShowLines)
	OpOpenURL             = newOp[string, None](KindOpenURL)
	OpReadSecrets         = newOp[ReadSecretsRequest, map[string]string](KindReadSecrets)
	OpWriteSecrets        = newOp[WriteSecretsRequest, None](KindWriteSecrets)
	OpSubprocess          = newOp[SubprocessRequest, SubprocessResult](KindSubprocess)
	OpSubprocessStream    = newStreamOp[SubprocessRequest, OutputChunk](KindSubprocessStream)
	OpRunCommand          = newOp[RunCommandRequest, None](KindRunCommand)
	OpGetIdeInfo          = newOp[None, IdeInfo](KindGetIdeInfo)
	OpGetUniqueID         = newOp[None, string](KindGetUniqueID)
	OpIsTelemetryEnabled  = newOp[None, bool](KindIsTelemetryEnabled)
	OpGetWorkspaceDirs    = newOp[None, []string](KindGetWorkspaceDirs)
	OpGetTerminalContents = newOp[None, string](KindGetTerminalContents)
	OpGetSearchResults    = newOp[SearchRequest, string](KindGetSearchResults)
	OpGetProblems         = newOp[FilepathRequest, []Problem](KindGetProblems)

	OpDidChangeActiveTextEditor = newNoteOp[FilepathRequest](KindDidChangeActiveTextEditor)
)

// IDE is the typed client for capabilities implemented by the IDE host.
// Both the core and the webview reach the host through it.
type IDE struct {
	c    Caller
	opts []protocol.CallOption
}

// NewIDE wraps a router connected to the IDE host, or to the core which
// forwards IDE calls.
func NewIDE(c Caller, opts ...protocol.CallOption) *IDE {
	return &IDE{c: c, opts: opts}
}

func (i *IDE) ReadFile(ctx context.Context, path string) (string, error) {
	return Invoke(ctx, i.c, OpReadFile, FilepathRequest{Filepath: path}, i.opts...)
}

func (i *IDE) WriteFile(ctx context.Context, path, contents string) error {
	_, err := Invoke(ctx, i.c, OpWriteFile, WriteFileRequest{Path: path, Contents: contents}, i.opts...)
	return err
}

func (i *IDE) FileExists(ctx context.Context, path string) (bool, error) {
	return Invoke(ctx, i.c, OpFileExists, FilepathRequest{Filepath: path}, i.opts...)
}

func (i *IDE) ListDir(ctx context.Context, dir string) ([]DirEntry, error) {
	return Invoke(ctx, i.c, OpListDir, DirRequest{Dir: dir}, i.opts...)
}

func (i *IDE) ReadRangeInFile(ctx context.Context, path string, r Range) (string, error) {
	return Invoke(ctx, i.c, OpReadRangeInFile, ReadRangeRequest{Filepath: path, Range: r}, i.opts...)
}

func (i *IDE) SaveFile(ctx context.Context, path string) error {
	_, err := Invoke(ctx, i.c, OpSaveFile, FilepathRequest{Filepath: path}, i.opts...)
	return err
}

func (i *IDE) OpenFile(ctx context.Context, path string) error {
	_, err := Invoke(ctx, i.c, OpOpenFile, PathRequest{Path: path}, i.opts...)
	return err
}

func (i *IDE) GetOpenFiles(ctx context.Context) ([]string, error) {
	return Invoke(ctx, i.c, OpGetOpenFiles, None{}, i.opts...)
}

// GetCurrentFile returns nil when no editor has focus.
func (i *IDE) GetCurrentFile(ctx context.Context) (*CurrentFile, error) {
	return Invoke(ctx, i.c, OpGetCurrentFile, None{}, i.opts...)
}

func (i *IDE) GetPinnedFiles(ctx context.Context) ([]string, error) {
	return Invoke(ctx, i.c, OpGetPinnedFiles, None{}, i.opts...)
}

func (i *IDE) GetBranch(ctx context.Context, dir string) (string, error) {
	return Invoke(ctx, i.c, OpGetBranch, DirRequest{Dir: dir}, i.opts...)
}

func (i *IDE) GetDiff(ctx context.Context, includeUnstaged bool) ([]string, error) {
	return Invoke(ctx, i.c, OpGetDiff, DiffRequest{IncludeUnstaged: includeUnstaged}, i.opts...)
}

// GetGitRootPath returns "" when dir is not inside a repository.
func (i *IDE) GetGitRootPath(ctx context.Context, dir string) (string, error) {
	return Invoke(ctx, i.c, OpGetGitRootPath, DirRequest{Dir: dir}, i.opts...)
}

func (i *IDE) GetRepoName(ctx context.Context, dir string) (string, error) {
	return Invoke(ctx, i.c, OpGetRepoName, DirRequest{Dir: dir}, i.opts...)
}

// ShowToast displays a toast and returns the item the user picked, if any.
func (i *IDE) ShowToast(ctx context.Context, t Toast) (string, error) {
	return Invoke(ctx, i.c, OpShowToast, t, i.opts...)
}

func (i *IDE) ShowVirtualFile(ctx context.Context, name, content string) error {
	_, err := Invoke(ctx, i.c, OpShowVirtualFile, VirtualFileRequest{Name: name, Content: content}, i.opts...)
	return err
}

func (i *IDE) ShowLines(ctx context.Context, path string, startLine, endLine int) error {
	_, err := Invoke(ctx, i.c, OpShowLines, ShowLinesRequest{Filepath: path, StartLine: startLine, EndLine: endLine}, i.opts...)
	return err
}

func (i *IDE) OpenURL(ctx context.Context, url string) error {
	_, err := Invoke(ctx, i.c, OpOpenURL, url, i.opts...)
	return err
}

func (i *IDE) ReadSecrets(ctx context.Context, keys []string) (map[string]string, error) {
	return Invoke(ctx, i.c, OpReadSecrets, ReadSecretsRequest{Keys: keys}, i.opts...)
}

func (i *IDE) WriteSecrets(ctx context.Context, secrets map[string]string) error {
	_, err := Invoke(ctx, i.c, OpWriteSecrets, WriteSecretsRequest{Secrets: secrets}, i.opts...)
	return err
}

func (i *IDE) Subprocess(ctx context.Context, command, cwd string) (SubprocessResult, error) {
	return Invoke(ctx, i.c, OpSubprocess, SubprocessRequest{Command: command, Cwd: cwd}, i.opts...)
}

// SubprocessStream runs a command and streams its output as it is produced.
func (i *IDE) SubprocessStream(ctx context.Context, command, cwd string, opts ...protocol.CallOption) (*Stream[OutputChunk], error) {
	return InvokeStream(ctx, i.c, OpSubprocessStream, SubprocessRequest{Command: command, Cwd: cwd}, opts...)
}

func (i *IDE) RunCommand(ctx context.Context, command string, options *TerminalOptions) error {
	_, err := Invoke(ctx, i.c, OpRunCommand, RunCommandRequest{Command: command, Options: options}, i.opts...)
	return err
}

func (i *IDE) GetIdeInfo(ctx context.Context) (IdeInfo, error) {
	return Invoke(ctx, i.c, OpGetIdeInfo, None{}, i.opts...)
}

func (i *IDE) GetUniqueID(ctx context.Context) (string, error) {
	return Invoke(ctx, i.c, OpGetUniqueID, None{}, i.opts...)
}

func (i *IDE) IsTelemetryEnabled(ctx context.Context) (bool, error) {
	return Invoke(ctx, i.c, OpIsTelemetryEnabled, None{}, i.opts...)
}

func (i *IDE) GetWorkspaceDirs(ctx context.Context) ([]string, error) {
	return Invoke(ctx, i.c, OpGetWorkspaceDirs, None{}, i.opts...)
}

func (i *IDE) GetTerminalContents(ctx context.Context) (string, error) {
	return Invoke(ctx, i.c, OpGetTerminalContents, None{}, i.opts...)
}

func (i *IDE) GetSearchResults(ctx context.Context, query string) (string, error) {
	return Invoke(ctx, i.c, OpGetSearchResults, SearchRequest{Query: query}, i.opts...)
}

func (i *IDE) GetProblems(ctx context.Context, path string) ([]Problem, error) {
	return Invoke(ctx, i.c, OpGetProblems, FilepathRequest{Filepath: path}, i.opts...)
}

// DidChangeActiveTextEditor is sent by the IDE host when focus moves.
func (i *IDE) DidChangeActiveTextEditor(ctx context.Context, path string) error {
	return Send(ctx, i.c, OpDidChangeActiveTextEditor, FilepathRequest{Filepath: path})
}

// IDEHandlers is implemented by the IDE host.
type IDEHandlers interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, contents string) error
	FileExists(ctx context.Context, path string) (bool, error)
	ListDir(ctx context.Context, dir string) ([]DirEntry, error)
	ReadRangeInFile(ctx context.Context, path string, r Range) (string, error)
	SaveFile(ctx context.Context, path string) error
	OpenFile(ctx context.Context, path string) error
	GetOpenFiles(ctx context.Context) ([]string, error)
	GetCurrentFile(ctx context.Context) (*CurrentFile, error)
	GetPinnedFiles(ctx context.Context) ([]string, error)
	GetBranch(ctx context.Context, dir string) (string, error)
	GetDiff(ctx context.Context, includeUnstaged bool) ([]string, error)
	GetGitRootPath(ctx context.Context, dir string) (string, error)
	GetRepoName(ctx context.Context, dir string) (string, error)
	ShowToast(ctx context.Context, t Toast) (string, error)
	ShowVirtualFile(ctx context.Context, name, content string) error
	ShowLines(ctx context.Context, path string, startLine, endLine int) error
	OpenURL(ctx context.Context, url string) error
	ReadSecrets(ctx context.Context, keys []string) (map[string]string, error)
	WriteSecrets(ctx context.Context, secrets map[string]string) error
	Subprocess(ctx context.Context, command, cwd string) (SubprocessResult, error)
	SubprocessStream(ctx context.Context, command, cwd string, emit func(OutputChunk) error) error
	RunCommand(ctx context.Context, command string, options *TerminalOptions) error
	GetIdeInfo(ctx context.Context) (IdeInfo, error)
	GetUniqueID(ctx context.Context) (string, error)
	IsTelemetryEnabled(ctx context.Context) (bool, error)
	GetWorkspaceDirs(ctx context.Context) ([]string, error)
	GetTerminalContents(ctx context.Context) (string, error)
	GetSearchResults(ctx context.Context, query string) (string, error)
	GetProblems(ctx context.Context, path string) ([]Problem, error)
}

func noResult(err error) (None, error) { return None{}, err }

// RegisterIDE binds every IDE host operation in reg to h.
func RegisterIDE(reg *protocol.Registry, h IDEHandlers) error {
	return errors.Join(
		Handle(reg, OpReadFile, func(ctx context.Context, r FilepathRequest) (string, error) {
			return h.ReadFile(ctx, r.Filepath)
		}),
		Handle(reg, OpWriteFile, func(ctx context.Context, r WriteFileRequest) (None, error) {
			return noResult(h.WriteFile(ctx, r.Path, r.Contents))
		}),
		Handle(reg, OpFileExists, func(ctx context.Context, r FilepathRequest) (bool, error) {
			return h.FileExists(ctx, r.Filepath)
		}),
		Handle(reg, OpListDir, func(ctx context.Context, r DirRequest) ([]DirEntry, error) {
			return h.ListDir(ctx, r.Dir)
		}),
		Handle(reg, OpReadRangeInFile, func(ctx context.Context, r ReadRangeRequest) (string, error) {
			return h.ReadRangeInFile(ctx, r.Filepath, r.Range)
		}),
		Handle(reg, OpSaveFile, func(ctx context.Context, r FilepathRequest) (None, error) {
			return noResult(h.SaveFile(ctx, r.Filepath))
		}),
		Handle(reg, OpOpenFile, func(ctx context.Context, r PathRequest) (None, error) {
			return noResult(h.OpenFile(ctx, r.Path))
		}),
		Handle(reg, OpGetOpenFiles, func(ctx context.Context, _ None) ([]string, error) {
			return h.GetOpenFiles(ctx)
		}),
		Handle(reg, OpGetCurrentFile, func(ctx context.Context, _ None) (*CurrentFile, error) {
			return h.GetCurrentFile(ctx)
		}),
		Handle(reg, OpGetPinnedFiles, func(ctx context.Context, _ None) ([]string, error) {
			return h.GetPinnedFiles(ctx)
		}),
		Handle(reg, OpGetBranch, func(ctx context.Context, r DirRequest) (string, error) {
			return h.GetBranch(ctx, r.Dir)
		}),
		Handle(reg, OpGetDiff, func(ctx context.Context, r DiffRequest) ([]string, error) {
			return h.GetDiff(ctx, r.IncludeUnstaged)
		}),
		Handle(reg, OpGetGitRootPath, func(ctx context.Context, r DirRequest) (string, error) {
			return h.GetGitRootPath(ctx, r.Dir)
		}),
		Handle(reg, OpGetRepoName, func(ctx context.Context, r DirRequest) (string, error) {
			return h.GetRepoName(ctx, r.Dir)
		}),
		Handle(reg, OpShowToast, func(ctx context.Context, t Toast) (string, error) {
			return h.ShowToast(ctx, t)
		}),
		Handle(reg, OpShowVirtualFile, func(ctx context.Context, r VirtualFileRequest) (None, error) {
			return noResult(h.ShowVirtualFile(ctx, r.Name, r.Content))
		}),
		Handle(reg, OpShowLines, func(ctx context.Context, r ShowLinesRequest) (None, error) {
			return noResult(h.ShowLines(ctx, r.Filepath, r.StartLine, r.EndLine))
		}),
		Handle(reg, OpOpenURL, func(ctx context.Context, url string) (None, error) {
			return noResult(h.OpenURL(ctx, url))
		}),
		Handle(reg, OpReadSecrets, func(ctx context.Context, r ReadSecretsRequest) (map[string]string, error) {
			return h.ReadSecrets(ctx, r.Keys)
		}),
		Handle(reg, OpWriteSecrets, func(ctx context.Context, r WriteSecretsRequest) (None, error) {
			return noResult(h.WriteSecrets(ctx, r.Secrets))
		}),
		Handle(reg, OpSubprocess, func(ctx context.Context, r SubprocessRequest) (SubprocessResult, error) {
			return h.Subprocess(ctx, r.Command, r.Cwd)
		}),
		HandleStream(reg, OpSubprocessStream, func(ctx context.Context, r SubprocessRequest, emit func(OutputChunk) error) error {
			return h.SubprocessStream(ctx, r.Command, r.Cwd, emit)
		}),
		Handle(reg, OpRunCommand, func(ctx context.Context, r RunCommandRequest) (None, error) {
			return noResult(h.RunCommand(ctx, r.Command, r.Options))
		}),
		Handle(reg, OpGetIdeInfo, func(ctx context.Context, _ None) (IdeInfo, error) {
			return h.GetIdeInfo(ctx)
		}),
		Handle(reg, OpGetUniqueID, func(ctx context.Context, _ None) (string, error) {
			return h.GetUniqueID(ctx)
		}),
		Handle(reg, OpIsTelemetryEnabled, func(ctx context.Context, _ None) (bool, error) {
			return h.IsTelemetryEnabled(ctx)
		}),
		Handle(reg, OpGetWorkspaceDirs, func(ctx context.Context, _ None) ([]string, error) {
			return h.GetWorkspaceDirs(ctx)
		}),
		Handle(reg, OpGetTerminalContents, func(ctx context.Context, _ None) (string, error) {
			return h.GetTerminalContents(ctx)
		}),
		Handle(reg, OpGetSearchResults, func(ctx context.Context, r SearchRequest) (string, error) {
			return h.GetSearchResults(ctx, r.Query)
		}),
		Handle(reg, OpGetProblems, func(ctx context.Context, r FilepathRequest) ([]Problem, error) {
			return h.GetProblems(ctx, r.Filepath)
		}),
	)
}
