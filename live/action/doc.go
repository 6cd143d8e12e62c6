/*
Package action declares the actions a live server offers.

An action is described by a Descriptor (controller, name, parameters and
result kind) and implemented by a Handler. The result of a handler is one of
four kinds:

	action.Scalar{Value: 42}                     // sent once
	action.Entity{Subject: subj}                 // kept in sync
	action.NewStream(stream)                     // subscribed explicitly
	action.Collection{Collection: col}           // live query

Arguments are validated against the descriptor before the handler runs. A
failed check is a *proto.ValidationParameterError and the handler is never
called.
*/
package action
