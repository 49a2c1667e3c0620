// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get()
	b.WriteString("hello")
	Put(b)

	b2 := Get()
	assert.Equal(t, 0, b2.Len())
	Put(b2)
}

func TestPutDiscardsOversizedBuffer(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	Put(b) // should be discarded, not panic
	Put(nil)
}

func TestCopyOutlivesPut(t *testing.T) {
	b := Get()
	b.WriteString("frame")
	out := Copy(b)
	Put(b)

	b2 := Get()
	b2.WriteString("XXXXX")
	assert.Equal(t, []byte("frame"), out)
	Put(b2)
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get()
			b.WriteString("concurrent test data")
			Put(b)
		}()
	}
	wg.Wait()
}
