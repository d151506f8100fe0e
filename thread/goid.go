// Copyright 2026 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package thread

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID returns the runtime's id for the calling goroutine, parsed
// from the header line of its stack dump ("goroutine N [running]:").  There
// is no supported API for this; the parse is the standard trick and costs a
// few microseconds, which the callers (thread start and current-thread
// lookup at primitive entry) can afford.
func goroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	id, err := strconv.ParseInt(string(buf), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
