package redis

// Redis key naming, all under the configured prefix:
//
//	{prefix}doc:{index}:{id}  hash of JSON-encoded fields
//	{prefix}ids:{index}       set of document ids

func (s *Store) docKey(index, id string) string { return s.prefix + "doc:" + index + ":" + id }

func (s *Store) idsKey(index string) string { return s.prefix + "ids:" + index }
