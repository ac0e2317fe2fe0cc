// Package crawler holds the records, cursors and collaborator interfaces that
// the state stores, delivery queue and crawl driver share.
package crawler
