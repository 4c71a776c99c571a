package chunk

import "path/filepath"

// FilePath returns the payload path of a sealed chunk.
func FilePath(dir, id string) string {
	return filepath.Join(dir, id+".parquet")
}

// SegmentedFilePath returns the payload path of a compressed chunk.
// Compressed chunks use a distinct suffix so both layouts can coexist in a
// directory glob while a compression run is in flight.
func SegmentedFilePath(dir, id string) string {
	return filepath.Join(dir, id+".seg.parquet")
}

// TempPath returns the scratch path used while writing a payload file.
// Writers produce the temp file completely, verify it, then rename.
func TempPath(path string) string {
	return path + ".tmp"
}
