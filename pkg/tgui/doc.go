// Package tgui holds small Telegram text helpers: HTML escaping for
// ParseMode="HTML", callback data packing and progress rendering.
package tgui
