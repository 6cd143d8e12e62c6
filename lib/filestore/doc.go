/*
Package filestore stores file content on disk and file metadata as entities
of type "file".

Closed files are content addressed:

	<dir>/closed/<md5[0:2]>/<md5[2:4]>/<md5>

Streaming files are addressed by their id and grow by appends:

	<dir>/streaming/<id[0:2]>/<id[2:4]>/<id>

Every change is published on the exchange channel "file/<id>", so Subscribe
streams follow the content of a file across processes. Writers serialize on
the exchange lock "file:<path>".
*/
package filestore
