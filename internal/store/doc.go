// Package store 在 billy 文件系统上保存磁盘缓存的负载字节，每个内部标识一个文件：
//
//	entries/<id>               # 已提交负载
//	entries/<id>.<uuid>.tmp    # 写入中
//
// 写入先进入私有临时文件，落盘后通过 rename 发布，读者只会看到完整的旧负载或新负载。
// store 不解析负载，也不保存自己的元数据；大小通过每个事务的 CommitFunc 交给调用方。
package store
