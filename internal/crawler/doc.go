// Package crawler defines the types, interfaces and URL rules shared by the
// frontier, scheduler and ingestion pipeline of the campus crawler.
package crawler
