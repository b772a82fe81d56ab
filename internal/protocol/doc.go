// Package protocol defines the JSON control messages exchanged on gateway
// connections.
//
// Each message is a JSON object whose "status" field names the variant:
//
//	{"status":"Start"}
//	{"status":"Check"}
//	{"status":"Affirm"}
//	{"status":"Success","request_id":7,"contents":"print(1)"}
//	{"status":"Failure","request_id":null,"contents":"BUSY"}
//
// Messages travel inside frames from package frame; Conn combines the two.
// Decoding problems are reported as *DecodeError so callers can answer the
// peer instead of dropping the connection.
package protocol
