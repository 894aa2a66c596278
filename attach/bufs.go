package attach

import "sync"

// scanBufs serializes the data-area read+CRC-check spans. The copy-flag
// verify path and the corruption classifier both read the data area, and a
// debug-check pass may re-enter during a read; the mutex is held only
// across the read-plus-compare span.
type scanBufs struct {
	mu sync.Mutex
}
