// Package mysql provides read access to the pricing master table backed by
// MySQL. It owns connection pooling and the development schema migrations
// used to bootstrap pricing_master.
package mysql
