// Package hibp holds the small set of domain types shared by the
// builder and query-service packages: the 20-byte SHA-1 hash, the
// 20-bit shard identifier, and the conversions between them and the
// Have-I-Been-Pwned range-API wire format.
package hibp
