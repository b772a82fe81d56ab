// Package upload sends script files to the device, either once or every time
// the file is saved.
package upload
