// Package testutil provides shared test utilities for replbridge.
//
// The central piece is ScriptedTransport, a fake board transport that
// replays canned device response chunks and records everything written
// to it. Chunk boundaries are preserved: each ReadAvailable call pops at
// most one scripted chunk, which lets tests exercise the incremental
// drain loop the same way a slow serial device would.
//
// Script helpers build well-formed raw-REPL responses:
//
//	testutil.OKResponse("hello\r\n", "")         // stdout only
//	testutil.OKResponse("", "Traceback ...")     // stderr only
//	testutil.RawBanner                           // connect handshake
//
// ContextWithTestDeadline mirrors the usual pattern of deriving a test
// context from t.Deadline with a cleanup buffer.
package testutil
