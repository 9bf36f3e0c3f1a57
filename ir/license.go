/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

// Package ir is the in-memory representation of parsed bytecode: classes,
// methods, instructions, and the descriptor/access-flag helpers every
// other package builds on. It owns no I/O and knows nothing about the
// sandbox or the passes that mutate it.
package ir
