// Package mevshare is a client for the MEV-Share relay.
//
// Orders are sent to the relay with Client:
//
//	Client.SendPrivateTransaction -> eth_sendPrivateTransaction
//	Client.SendBundle             -> mev_sendBundle
//
// Both return a SubmissionHandle that the inclusion package resolves to an Outcome.
// Hints published by the relay are decoded with DecodeHint, the hintstream package keeps the stream connection.
// DBBackend stores the hint history and the outcomes of tracked submissions, RedisHintBackend republishes hints.
package mevshare
