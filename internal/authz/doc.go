// Package authz answers per-conversation capability questions.
//
// The Authorizer interface is the boundary rooms and sessions depend on;
// StoreOracle implements it from store permission codes and conversation
// membership:
//
//   - CanView: view_chat and membership of the conversation
//   - CanSend: send_message and CanView
//   - CanEdit: own message with edit_own_message, or edit_any_message and CanView
//   - CanDelete: own message with delete_own_message, or delete_any_message and CanView
//
// Superusers hold every permission code but still need membership to view.
package authz
