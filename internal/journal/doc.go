// Package journal 维护磁盘缓存的持久索引：记录存在的标识、每个负载的大小
// 以及最近使用顺序。索引常驻内存，每次变更都以行为单位追加到 journal 文件，
// 并在调用返回前落盘：
//
//	diskcache-journal
//	1
//	<version tag>
//
//	C <id> <size>    # 提交，置为最近使用
//	T <id>           # 访问（读取），置为最近使用
//	R <id>           # 删除
//
// 冗余记录超过存活条目后，journal 会压缩到新文件并通过 rename 替换。
// 打开时回放可以容忍崩溃留下的残缺末行，其余无法解析的内容报告为 ErrCorrupt，
// 由调用方根据存储重建。
package journal
