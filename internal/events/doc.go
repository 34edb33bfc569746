// Package events превращает сообщения celeryev в domain.Event.
//
// Decode разбирает JSON события (или пачку событий), Enricher
// восполняет поля, которых нет в поздних событиях задачи, Ingestor
// связывает источники из mq с движком.
package events
