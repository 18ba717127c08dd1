//go:build debug

package audio

const debugAssertions = true
