// See package comment in topic.go.
package contracts
