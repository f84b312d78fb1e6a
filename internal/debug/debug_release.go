//go:build nodebug

package debug

func init() { enabled = false }
