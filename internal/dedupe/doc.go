// Package dedupe suppresses repeated keys inside a time window. File watch
// mode uses it so that the burst of events an editor produces for a single
// save results in one upload.
package dedupe
