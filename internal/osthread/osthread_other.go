//go:build !windows && !linux

package osthread

import "errors"

type unsupportedEnumerator struct{}

var defaultEnumerator Enumerator = unsupportedEnumerator{}

var errUnsupported = errors.New("osthread: unsupported operating system")

func (unsupportedEnumerator) CurrentThreadID() ID { return 0 }

func (unsupportedEnumerator) ListThreads(ID) ([]ID, error) { return nil, errUnsupported }

func (unsupportedEnumerator) Suspend(ID) (Handle, error) { return nil, errUnsupported }

func (unsupportedEnumerator) Resume(Handle) error { return errUnsupported }
