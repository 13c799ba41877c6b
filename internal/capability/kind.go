// Package capability is the typed surface over the protocol router. Every
// operation the IDE host, the core and the webview exchange is a Kind in a
// closed catalog, bound to its request and result types by Op, StreamOp or
// NoteOp values. Callers use the IDE and CoreClient facades; implementers bind
// handlers with RegisterIDE and RegisterCore.
package capability

import "fmt"

// Side names the process that implements an operation.
type Side int

const (
	SideIDE Side = iota
	SideCore
)

func (s Side) String() string {
	switch s {
	case SideIDE:
		return "ide"
	case SideCore:
		return "core"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Shape is the exchange pattern of an operation.
type Shape int

const (
	ShapeUnary Shape = iota
	ShapeStream
	ShapeNotification
)

func (s Shape) String() string {
	switch s {
	case ShapeUnary:
		return "unary"
	case ShapeStream:
		return "stream"
	case ShapeNotification:
		return "notification"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Kind enumerates every operation in the protocol.
type Kind int

const (
	KindReadFile Kind = iota
	KindWriteFile
	KindFileExists
	KindListDir
	KindReadRangeInFile
	KindSaveFile
	KindOpenFile
	KindGetOpenFiles
	KindGetCurrentFile
	KindGetPinnedFiles
	KindGetBranch
	KindGetDiff
	KindGetGitRootPath
	KindGetRepoName
	KindShowToast
	KindShowVirtualFile
	KindShowLines
	KindOpenURL
	KindReadSecrets
	KindWriteSecrets
	KindSubprocess
	KindSubprocessStream
	KindRunCommand
	KindGetIdeInfo
	KindGetUniqueID
	KindIsTelemetryEnabled
	KindGetWorkspaceDirs
	KindGetTerminalContents
	KindGetSearchResults
	KindGetProblems

	KindDidChangeActiveTextEditor
	KindTrackFeatureUsages
	KindLogTokensGenerated
	KindGetTokensPerDay
	KindGetTokensPerModel
	KindGetFeatureUsage
	KindDevDataLog
	KindPing

	kindCount
)

type descriptor struct {
	name  string
	side  Side
	shape Shape
}

var catalog = [kindCount]descriptor{
	KindReadFile:            {"readFile", SideIDE, ShapeUnary},
	KindWriteFile:           {"writeFile", SideIDE, ShapeUnary},
	KindFileExists:          {"fileExists", SideIDE, ShapeUnary},
	KindListDir:             {"listDir", SideIDE, ShapeUnary},
	KindReadRangeInFile:     {"readRangeInFile", SideIDE, ShapeUnary},
	KindSaveFile:            {"saveFile", SideIDE, ShapeUnary},
	KindOpenFile:            {"openFile", SideIDE, ShapeUnary},
	KindGetOpenFiles:        {"getOpenFiles", SideIDE, ShapeUnary},
	KindGetCurrentFile:      {"getCurrentFile", SideIDE, ShapeUnary},
	KindGetPinnedFiles:      {"getPinnedFiles", SideIDE, ShapeUnary},
	KindGetBranch:           {"getBranch", SideIDE, ShapeUnary},
	KindGetDiff:             {"getDiff", SideIDE, ShapeUnary},
	KindGetGitRootPath:      {"getGitRootPath", SideIDE, ShapeUnary},
	KindGetRepoName:         {"getRepoName", SideIDE, ShapeUnary},
	KindShowToast:           {"showToast", SideIDE, ShapeUnary},
	KindShowVirtualFile:     {"showVirtualFile", SideIDE, ShapeUnary},
	KindShowLines:           {"showLines", SideIDE, ShapeUnary},
	KindOpenURL:             {"openUrl", SideIDE, ShapeUnary},
	KindReadSecrets:         {"readSecrets", SideIDE, ShapeUnary},
	KindWriteSecrets:        {"writeSecrets", SideIDE, ShapeUnary},
	KindSubprocess:          {"subprocess", SideIDE, ShapeUnary},
	KindSubprocessStream:    {"subprocessStream", SideIDE, ShapeStream},
	KindRunCommand:          {"runCommand", SideIDE, ShapeUnary},
	KindGetIdeInfo:          {"getIdeInfo", SideIDE, ShapeUnary},
	KindGetUniqueID:         {"getUniqueId", SideIDE, ShapeUnary},
	KindIsTelemetryEnabled:  {"isTelemetryEnabled", SideIDE, ShapeUnary},
	KindGetWorkspaceDirs:    {"getWorkspaceDirs", SideIDE, ShapeUnary},
	KindGetTerminalContents: {"getTerminalContents", SideIDE, ShapeUnary},
	KindGetSearchResults:    {"getSearchResults", SideIDE, ShapeUnary},
	KindGetProblems:         {"getProblems", SideIDE, ShapeUnary},

	KindDidChangeActiveTextEditor: {"didChangeActiveTextEditor", SideCore, ShapeNotification},
	KindTrackFeatureUsages:        {"stats/trackFeatureUsages", SideCore, ShapeUnary},
	KindLogTokensGenerated:        {"stats/logTokensGenerated", SideCore, ShapeUnary},
	KindGetTokensPerDay:           {"stats/getTokensPerDay", SideCore, ShapeUnary},
	KindGetTokensPerModel:         {"stats/getTokensPerModel", SideCore, ShapeUnary},
	KindGetFeatureUsage:           {"stats/getFeatureUsage", SideCore, ShapeUnary},
	KindDevDataLog:                {"devdata/log", SideCore, ShapeNotification},
	KindPing:                      {"ping", SideCore, ShapeUnary},
}

var byName = make(map[string]Kind, kindCount)

func init() {
	for k, d := range catalog {
		if d.name == "" {
			panic(fmt.Sprintf("capability: kind %d has no catalog entry", k))
		}
		if prev, dup := byName[d.name]; dup {
			panic(fmt.Sprintf("capability: %q used by kinds %d and %d", d.name, prev, k))
		}
		byName[d.name] = Kind(k)
	}
}

// Name returns the wire name of k.
func (k Kind) Name() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return catalog[k].name
}

func (k Kind) String() string { return k.Name() }

// Side returns the process that implements k.
func (k Kind) Side() Side { return catalog[k].side }

// Shape returns the exchange pattern of k.
func (k Kind) Shape() Shape { return catalog[k].shape }

// Lookup resolves a wire name to its kind.
func Lookup(name string) (Kind, bool) {
	k, ok := byName[name]
	return k, ok
}

// Kinds returns every kind implemented by side, in catalog order.
func Kinds(side Side) []Kind {
	var out []Kind
	for k := Kind(0); k < kindCount; k++ {
		if catalog[k].side == side {
			out = append(out, k)
		}
	}
	return out
}
