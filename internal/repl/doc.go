// Package repl is the interactive front end: it reads lines from a prompt,
// sends them to the device, and prints whatever the device says back.
//
// Typing "exit" (or end of input) leaves without touching the device.
package repl
