//go:build !unix

package transport

func temporaryAcceptError(err error) bool {
	return false
}
