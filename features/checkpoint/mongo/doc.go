// Package mongo persists conversation checkpoints in MongoDB. Use
// clients/mongo to build the low-level client and pass it to NewStore to
// obtain a checkpoint.Store keeping one document per thread.
package mongo
