// Package loader registers queue drivers via blank imports.
// Import this package to ensure the default queue drivers are available.
//
// Usage in main.go:
//
//	import _ "github.com/corvidmail/provisiond/internal/queue/loader"
package loader

import (
	// Register the in-process memory driver
	_ "github.com/corvidmail/provisiond/internal/queue/memory"

	// Register the valkey driver
	_ "github.com/corvidmail/provisiond/internal/queue/valkey"
)
