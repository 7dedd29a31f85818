// Package notify delivers fire-and-forget task outcome notifications
// to an external chat webhook.
package notify
