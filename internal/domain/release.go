package domain

import "fmt"

// PackageFileName is the zip produced by a build when the task process
// populated the zip folder. Not every release has one.
const PackageFileName = "CodeReleasePackage.zip"

// BuildLogsFolderName holds copies of the build log files inside a
// release folder.
const BuildLogsFolderName = "_BuildLogs"

// Release identifies one immutable built artifact.
type Release struct {
	Application string
	Version     int
}

// FolderName is the canonical release folder name under the Releases root.
func (r Release) FolderName() string {
	return fmt.Sprintf("%s_%d", r.Application, r.Version)
}

// VersionFileName is the plain-text file holding the release's integer
// version, written at build time and read back at deploy time.
func (r Release) VersionFileName() string {
	return r.Application + "_version.txt"
}

func (r Release) String() string {
	return r.FolderName()
}
