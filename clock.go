// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wireline

import "time"

// clock abstracts wall-clock reads so the retry timer's elapsed-time
// comparisons can be driven deterministically in tests without
// depending on real scheduling delays.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
