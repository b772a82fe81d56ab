// Package device talks to the crow over its serial line protocol.
//
// # Line Protocol
//
// The host sends one of three forms, each terminated by a newline:
//
//	print(1)\n                  plain command
//	```long text```\n           delimited, for commands of 64 bytes or more
//	^^s<script source>^^e\n     script upload
//
// The device answers with newline-terminated lines of text, and may also
// print lines nobody asked for.
//
// # Reading
//
// A Link runs one background goroutine that splits device output into lines
// and buffers them. ReadLine blocks for the next line; TryReadLine waits at
// most a given duration and reports "no line" without error when it runs
// out. Monitor hands every line to a callback for front ends that just
// print device output.
//
// # Discovery
//
// The device is found by the USB product string "crow: telephone line" and
// opened at 115200 baud, 8N1. Simulator stands in for the hardware when no
// device is attached.
package device
