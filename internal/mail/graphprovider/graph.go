// Package graphprovider documents, without implementing, a mail.Provider
// backed by Microsoft Graph's mail API. No example repo in the retrieval
// pack imports a Graph SDK, so there is nothing to ground a real client
// against; shipping one here would mean vendoring an unproven dependency
// rather than adapting an observed idiom.
//
// A real implementation would poll
//
//	GET /v1.0/me/mailFolders/{folder-id}/messages?$filter=id gt '{cursor}'
//
// or subscribe via a Graph change notification webhook, map each
// message resource's bodyPreview/attachments/internetMessageHeaders
// onto mail.Message, and treat the subscription's delta token as the
// mail.Cursor analogue instead of an IMAP UID.
package graphprovider
