// Package builtin links every built-in block type into the binary.
package builtin

import (
	_ "sigwatch/internal/blocks/chat"
	_ "sigwatch/internal/blocks/debounce"
	_ "sigwatch/internal/blocks/logger"
	_ "sigwatch/internal/blocks/modifier"
	_ "sigwatch/internal/blocks/natssink"
	_ "sigwatch/internal/blocks/timeoutblock"
)
