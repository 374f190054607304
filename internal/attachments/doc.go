// Package attachments stores uploaded file bytes and hands back an opaque
// handle that messages reference.
//
// The chat engine never reads attachment bytes. Clients upload a file with
// POST /api/attachments, receive {handle, name, type, size}, and then send a
// message frame carrying that descriptor. LocalStorage keeps files on disk
// and serves them back under the configured URL prefix.
package attachments
