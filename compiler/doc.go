// Package compiler holds the closed table of supported compilers.
//
// Each entry maps a compiler identifier to the container image and the argv
// template used to build and run a single source file. The table is built
// and validated once at startup and is read-only afterwards; unknown
// identifiers are rejected before any workspace or container is allocated.
package compiler
