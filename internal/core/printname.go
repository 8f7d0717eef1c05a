package core

import (
	"archive/zip"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// RemotePrintName derives the filename used on the device from a local
// artifact name. Sliced exports often carry a double extension
// ("part.gcode.3mf"); the device wants the bare "part.3mf". Uploads
// always target the device root because start-print references files by
// bare name.
func RemotePrintName(name string) string {
	base := filepath.Base(name)

	if strings.HasSuffix(strings.ToLower(base), ".gcode.3mf") {
		return base[:len(base)-len(".gcode.3mf")] + ".3mf"
	}
	if strings.EqualFold(path.Ext(base), ".gcode") {
		return base[:len(base)-len(".gcode")] + ".3mf"
	}
	return base
}

var plateEntryPattern = regexp.MustCompile(`(?:^|/)plate_(\d+)\.`)

// DetectPlateID resolves a 3MF package's plate by scanning for its
// embedded plate-gcode entry (e.g. "Metadata/plate_7.gcode"). Packages
// without one, or anything unreadable, default to plate 1.
func DetectPlateID(packagePath string) int {
	reader, err := zip.OpenReader(packagePath)
	if err != nil {
		return 1
	}
	defer reader.Close()

	for _, file := range reader.File {
		m := plateEntryPattern.FindStringSubmatch(file.Name)
		if m == nil {
			continue
		}
		if plate, err := strconv.Atoi(m[1]); err == nil && plate > 0 {
			return plate
		}
	}
	return 1
}
