//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func newTransformer() (Transformer, error) {
	return imagingTransformer{}, nil
}

// SupportsFormat reports whether renditions can be encoded as format.
func SupportsFormat(format string) bool {
	return imagingEncodes(normalizeOutputFormat(format))
}
