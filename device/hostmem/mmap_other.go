//go:build !unix

package hostmem

func mapAnonymous(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapAnonymous(data []byte) error {
	return nil
}
