// Package server exposes bridge runs over WebSocket.
//
// A client opens GET /run and sends one JSON start frame:
//
//	{"type":"start","args":[...],"inputFiles":{"in.ps":"<base64>"},"outputFilePaths":["out.pdf"]}
//
// After that, binary frames are stdin bytes and the text frame
// {"type":"eof"} ends stdin ({"type":"cancel"} aborts the run). The server
// answers with frames of these types:
//
//	state     {"type":"state","run":"<id>","state":"running"}
//	stdout    {"type":"stdout","data":"<base64>"} (eof:true at stream close)
//	stderr    {"type":"stderr","data":"<base64>"}
//	complete  {"type":"complete","exitCode":0,"outputFiles":{"out.pdf":"<base64>"}}
//	error     {"type":"error","kind":"canceled","message":"..."}
//
// Output is flushed at each newline, at stream close and every 4 KB.
// Closing the connection cancels the run.
package server
