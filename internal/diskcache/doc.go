// Package diskcache 提供容量受限的磁盘 LRU 缓存，负载为不透明字节。
// 键被哈希为定长标识；journal 包记录大小与最近使用顺序，store 包保存负载文件。
//
// Cache 处于 OPEN 或 CLOSED 状态。读写会按需重新打开已关闭的缓存，
// 因此 journal 故障后自行关闭的缓存无需调用方介入即可恢复。
// Open 与 Clear 串行执行，不同键的读写可以并发；
// 同一键的多个写入互相竞争，最后关闭者生效。
package diskcache
